package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// memoryStore keeps the last saved list in memory.
type memoryStore struct {
	mu      sync.Mutex
	modules []StoredModule
	count   int
	err     error
}

func (s *memoryStore) Load() ([]StoredModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]StoredModule(nil), s.modules...), nil
}

func (s *memoryStore) Save(modules []StoredModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.modules = append([]StoredModule(nil), modules...)
	s.count++
	return nil
}

func (s *memoryStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *memoryStore) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func writeModules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modules.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func setAside(t *testing.T, path string) []string {
	t.Helper()
	matches, err := filepath.Glob(path + ".invalid-*")
	require.NoError(t, err)
	return matches
}

func TestFileStore_Missing(t *testing.T) {
	modules, err := NewFileStore(filepath.Join(t.TempDir(), "none.xml")).Load()
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestFileStore_RecordWithoutTypeIsGeneric(t *testing.T) {
	path := writeModules(t, `<Modules><Module Address="00158D0001A2B3C4"><CustomData Level="0.5"/></Module></Modules>`)

	reg := New(mig.DomainZigBee, Options{Store: NewFileStore(path)})
	require.Equal(t, 1, reg.Load(context.Background()))

	rec, ok := reg.Find("00158D0001A2B3C4")
	require.True(t, ok)
	assert.Equal(t, mig.TypeGeneric, rec.Type())
	assert.Equal(t, 0.5, rec.Level())
	assert.True(t, rec.Classify(mig.TypeColor), "an untyped record is still unclassified")
	assert.Equal(t, mig.TypeColor, rec.Type())
	assert.Empty(t, setAside(t, path))
}

func TestFileStore_BadRecordKeepsTheRest(t *testing.T) {
	path := writeModules(t, `<?xml version="1.0" encoding="UTF-8"?>
<Modules>
  <Module Address="A1" Description="Hall"><CustomData Type="Switch" Level="1" LastLevel="1"></CustomData></Module>
  <Module Address="A2" Description="Desk"><CustomData Type="Lamp" Level="0.3"></CustomData></Module>
  <Module Description="orphan"><CustomData Type="Switch"></CustomData></Module>
</Modules>`)

	modules, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Lamp"`)
	assert.Contains(t, err.Error(), "without address")
	require.Len(t, modules, 2)
	assert.Equal(t, mig.TypeSwitch, modules[0].CustomData.Type)
	assert.Equal(t, "A2", modules[1].Address)
	assert.Equal(t, mig.TypeGeneric, modules[1].CustomData.Type)
	assert.InDelta(t, 0.3, modules[1].CustomData.Level, 1e-9)
	assert.Len(t, setAside(t, path), 1, "the original file is kept")
}

func TestFileStore_LoadFailureDoesNotLoseModules(t *testing.T) {
	path := writeModules(t, `<Modules>
  <Module Address="A1"><CustomData Type="Switch" Level="1"></CustomData></Module>
  <Module Address="A2"><CustomData Type="Lamp"></CustomData></Module>
</Modules>`)

	logger := &recordingLogger{}
	reg := New(mig.DomainX10, Options{Store: NewFileStore(path), Logger: logger})
	assert.Equal(t, 2, reg.Load(context.Background()))
	assert.Equal(t, 1, logger.errorCount())

	reg.AddOrGet("B1", mig.TypeSwitch, "")
	require.NoError(t, reg.Flush())

	reloaded := New(mig.DomainX10, Options{Store: NewFileStore(path)})
	assert.Equal(t, 3, reloaded.Load(context.Background()))
	for _, addr := range []string{"A1", "A2", "B1"} {
		_, ok := reloaded.Find(addr)
		assert.True(t, ok, addr)
	}
}

func TestFileStore_MalformedFileSetAside(t *testing.T) {
	const broken = `<Modules><Module Address="A1"><CustomData Type="Switch"/></Module><Module`
	path := writeModules(t, broken)

	logger := &recordingLogger{}
	reg := New(mig.DomainZigBee, Options{Store: NewFileStore(path), Logger: logger})
	assert.Equal(t, 1, reg.Load(context.Background()), "records before the damage are read")
	assert.Equal(t, 1, logger.errorCount())

	reg.AddOrGet("B1", mig.TypeSwitch, "")
	require.NoError(t, reg.Flush())

	aside := setAside(t, path)
	require.Len(t, aside, 1)
	data, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, broken, string(data))
}

func TestFileStore_ArrayOfInterfaceModule(t *testing.T) {
	path := writeModules(t, `<?xml version="1.0" encoding="utf-8"?>
<ArrayOfInterfaceModule>
  <InterfaceModule>
    <Domain>HomeAutomation.ZigBee</Domain>
    <Address>00158D0001A2B3C4</Address>
    <Description>Lounge bulb</Description>
    <CustomData>
      <LastLevel>0.8</LastLevel>
      <Transition>4</Transition>
      <Type>Dimmer</Type>
      <Level>0</Level>
    </CustomData>
  </InterfaceModule>
  <InterfaceModule>
    <Domain>HomeAutomation.ZigBee</Domain>
    <Address>00124B0014D8A1F2</Address>
    <CustomData>
      <Type>Generic</Type>
    </CustomData>
  </InterfaceModule>
</ArrayOfInterfaceModule>`)

	modules, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, StoredModule{
		Address:     "00158D0001A2B3C4",
		Description: "Lounge bulb",
		CustomData:  CustomData{Type: mig.TypeDimmer, Level: 0, LastLevel: 0.8, Transition: 4},
	}, modules[0])
	assert.Equal(t, mig.TypeGeneric, modules[1].CustomData.Type)
}

func TestFileStore_ReadErrorIsReturned(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileStore(dir).Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
