package secrets_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/geniusboywonder/bmad/internal/secrets"
)

func TestVaultInitialLoad(t *testing.T) {
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"WEBHOOK": "https://hooks.example.com/a"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if got := v.Get("WEBHOOK"); got != "https://hooks.example.com/a" {
		t.Fatalf("Get = %q", got)
	}
	if got := v.Get("MISSING"); got != "" {
		t.Fatalf("Get missing = %q, want empty", got)
	}
}

func TestVaultLoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("source unavailable")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVaultReloadSwapsValues(t *testing.T) {
	val := "old"
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"KEY": val}, nil
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	val = "new"
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := v.Get("KEY"); got != "new" {
		t.Fatalf("Get after reload = %q, want new", got)
	}
}

func TestVaultReloadErrorKeepsOldValues(t *testing.T) {
	calls := 0
	v, err := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("rotation failed")
		}
		return map[string]string{"KEY": "stable"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "stable" {
		t.Fatalf("Get after failed reload = %q, want stable", got)
	}
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("BMAD_TEST_SECRET", "s3cret")
	t.Setenv("BMAD_TEST_EMPTY", "")

	vals, err := secrets.EnvLoader("BMAD_TEST_SECRET", "BMAD_TEST_EMPTY", "BMAD_TEST_UNSET")()
	if err != nil {
		t.Fatalf("EnvLoader: %v", err)
	}
	if vals["BMAD_TEST_SECRET"] != "s3cret" {
		t.Fatalf("vals = %v", vals)
	}
	if _, ok := vals["BMAD_TEST_EMPTY"]; ok {
		t.Error("empty variable should be omitted")
	}
	if _, ok := vals["BMAD_TEST_UNSET"]; ok {
		t.Error("unset variable should be omitted")
	}
}

func TestVaultConcurrentAccess(t *testing.T) {
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"KEY": "v"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = v.Get("KEY")
				_ = v.Reload()
			}
		}()
	}
	wg.Wait()
}
