package memstore

import (
	"testing"

	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/store/storetest"
)

func TestMemstore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
