package memory

import (
	"testing"

	"serveml/internal/store"
	"serveml/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t,
		func(t *testing.T) store.Store { return New() },
		func(t *testing.T, s store.Store, name string, data []byte) {
			s.(*Store).PutRaw(name, data)
		})
}
