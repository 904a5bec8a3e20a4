package persistence

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() Store { return NewMemoryStore() }})
}
