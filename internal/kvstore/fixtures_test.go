package kvstore

import (
	"errors"

	"wbkv/internal/common"
	"wbkv/internal/storage"
)

var errDiskGone = errors.New("disk gone")

// brokenEngine accepts reads but fails every write.
type brokenEngine struct {
	*storage.MemoryEngine
}

type brokenColumn struct {
	common.Column
}

func newBrokenEngine() *brokenEngine {
	return &brokenEngine{MemoryEngine: storage.NewMemoryEngine()}
}

func (e *brokenEngine) OpenColumn(name string) (common.Column, error) {
	column, err := e.MemoryEngine.OpenColumn(name)
	if err != nil {
		return nil, err
	}
	return brokenColumn{Column: column}, nil
}

func (e *brokenEngine) Write(common.WriteBatch) error { return errDiskGone }

func (brokenColumn) Put([]byte, []byte) error { return errDiskGone }
func (brokenColumn) Delete([]byte) error      { return errDiskGone }
