package provider_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/voxhub/voxhub/internal/provider"
	"github.com/voxhub/voxhub/internal/provider/providertest"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := provider.NewRegistry()
	whisper := providertest.New(provider.TypeWhisperCpp, []string{"base"})
	mlx := providertest.New(provider.TypeMLX, []string{"base-mlx"})

	if err := reg.Register(mlx, provider.TypeMLX); err != nil {
		t.Fatalf("register mlx: %v", err)
	}
	if err := reg.Register(whisper, "WhisperCpp"); err != nil {
		t.Fatalf("register whispercpp: %v", err)
	}

	got, err := reg.Provider(provider.TypeWhisperCpp)
	if err != nil || got != whisper {
		t.Fatalf("lookup should be case-insensitive: %v", err)
	}
	if !reg.IsRegistered(provider.TypeMLX) || reg.Count() != 2 {
		t.Fatalf("unexpected registry state")
	}
	types := reg.AllRegisteredTypes()
	if len(types) != 2 || types[0] != provider.TypeMLX || types[1] != provider.TypeWhisperCpp {
		t.Fatalf("types should be sorted: %v", types)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	reg := provider.NewRegistry()
	first := providertest.New(provider.TypeWhisperCpp, []string{"base"})
	second := providertest.New(provider.TypeWhisperCpp, []string{"small"})
	reg.Register(first, provider.TypeWhisperCpp)
	reg.Register(second, provider.TypeWhisperCpp)

	got, _ := reg.Provider(provider.TypeWhisperCpp)
	if got != second || reg.Count() != 1 {
		t.Fatalf("re-registering must overwrite")
	}
}

func TestRegistryMissingProvider(t *testing.T) {
	reg := provider.NewRegistry()
	_, err := reg.Provider(provider.TypeMLX)
	if !errors.Is(err, provider.ErrProviderNotAvailable) {
		t.Fatalf("expected ErrProviderNotAvailable, got %v", err)
	}

	reg.Register(providertest.New(provider.TypeMLX, nil), provider.TypeMLX)
	reg.Unregister(provider.TypeMLX)
	reg.Unregister(provider.TypeMLX)
	if reg.IsRegistered(provider.TypeMLX) {
		t.Fatalf("unregister should remove the type")
	}

	reg.Register(providertest.New(provider.TypeMLX, nil), provider.TypeMLX)
	reg.Clear()
	if reg.Count() != 0 || len(reg.AllRegisteredTypes()) != 0 {
		t.Fatalf("clear should empty the registry")
	}
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register(nil, provider.TypeMLX); err == nil {
		t.Fatalf("nil provider should be rejected")
	}
	if err := reg.Register(providertest.New(provider.TypeMLX, nil), " "); err == nil {
		t.Fatalf("empty type should be rejected")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := provider.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			typ := provider.Type(fmt.Sprintf("engine-%d", i%4))
			reg.Register(providertest.New(typ, nil), typ)
		}(i)
		go func() {
			defer wg.Done()
			reg.AllRegisteredTypes()
			reg.IsRegistered("engine-0")
		}()
	}
	wg.Wait()
	if reg.Count() != 4 {
		t.Fatalf("expected 4 types, got %d", reg.Count())
	}
}
