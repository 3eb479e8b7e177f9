package memory

import (
	"testing"

	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
