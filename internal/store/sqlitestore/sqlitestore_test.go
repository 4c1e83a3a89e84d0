package sqlitestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/store/storetest"
)

func TestSqlitestore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		return s
	})
}
