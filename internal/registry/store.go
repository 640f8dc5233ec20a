package registry

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// Store loads and saves the persisted module list.
type Store interface {
	Load() ([]StoredModule, error)
	Save(modules []StoredModule) error
}

// StoredModule is the persisted form of a DeviceRecord.
type StoredModule struct {
	XMLName     xml.Name   `xml:"Module"`
	Address     string     `xml:"Address,attr"`
	Description string     `xml:"Description,attr"`
	CustomData  CustomData `xml:"CustomData"`
}

// CustomData holds the per-record state beyond address and description. A
// record saved without a type is Generic.
type CustomData struct {
	Type       mig.ModuleType `xml:"Type,attr"`
	Level      float64        `xml:"Level,attr"`
	LastLevel  float64        `xml:"LastLevel,attr"`
	Transition int            `xml:"Transition,attr,omitempty"`
}

type moduleFile struct {
	XMLName xml.Name       `xml:"Modules"`
	Modules []StoredModule `xml:"Module"`
}

// FileStore keeps the module list in a single XML file. Saves write a
// temporary file in the same directory and rename it over the target, so a
// crash mid-write leaves the previous list intact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path. Nothing is touched until the first
// Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the file. A missing file is an empty list, not an error.
//
// Both the attribute layout written by Save and the element layout of an
// <ArrayOfInterfaceModule> list are accepted. Records are decoded one at a
// time: a bad type or number is reported and the record kept with that
// field at its default, a record without an address is dropped. When
// anything was wrong the file is renamed aside before returning, so the
// next Save cannot overwrite what could not be read. The error then lists
// every problem and the records that could be read are still returned.
func (s *FileStore) Load() ([]StoredModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	modules, problems := decodeModules(data)
	if len(problems) == 0 {
		return modules, nil
	}

	aside := fmt.Sprintf("%s.invalid-%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, aside); err != nil {
		problems = append(problems, fmt.Errorf("setting %s aside: %w", s.path, err))
	} else {
		problems = append(problems, fmt.Errorf("original kept as %s", aside))
	}
	return modules, fmt.Errorf("parsing %s: %w", s.path, errors.Join(problems...))
}

func decodeModules(data []byte) ([]StoredModule, []error) {
	var (
		modules  []StoredModule
		problems []error
	)
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return modules, problems
		}
		if err != nil {
			return modules, append(problems, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || (start.Name.Local != "Module" && start.Name.Local != "InterfaceModule") {
			continue
		}
		var raw xmlModule
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return modules, append(problems, err)
		}
		m, errs := raw.stored()
		problems = append(problems, errs...)
		if m.Address == "" {
			problems = append(problems, fmt.Errorf("module without address at offset %d", dec.InputOffset()))
			continue
		}
		modules = append(modules, m)
	}
}

// xmlModule is the decoding form of a record. Every value may come from an
// attribute or a child element.
type xmlModule struct {
	AddressAttr     string        `xml:"Address,attr"`
	Address         string        `xml:"Address"`
	DescriptionAttr string        `xml:"Description,attr"`
	Description     string        `xml:"Description"`
	CustomData      xmlCustomData `xml:"CustomData"`
}

type xmlCustomData struct {
	TypeAttr       string `xml:"Type,attr"`
	Type           string `xml:"Type"`
	LevelAttr      string `xml:"Level,attr"`
	Level          string `xml:"Level"`
	LastLevelAttr  string `xml:"LastLevel,attr"`
	LastLevel      string `xml:"LastLevel"`
	TransitionAttr string `xml:"Transition,attr"`
	Transition     string `xml:"Transition"`
}

func (x xmlModule) stored() (StoredModule, []error) {
	m := StoredModule{
		Address:     either(x.AddressAttr, x.Address),
		Description: either(x.DescriptionAttr, x.Description),
	}
	var errs []error
	fail := func(field, value string, err error) {
		errs = append(errs, fmt.Errorf("module %q %s %q: %w", m.Address, field, value, err))
	}

	cd := x.CustomData
	if v := either(cd.TypeAttr, cd.Type); v != "" {
		t, err := mig.ParseModuleType(v)
		if err != nil {
			fail("type", v, err)
		}
		m.CustomData.Type = t
	}
	if v := either(cd.LevelAttr, cd.Level); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("level", v, err)
		}
		m.CustomData.Level = f
	}
	if v := either(cd.LastLevelAttr, cd.LastLevel); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("last level", v, err)
		}
		m.CustomData.LastLevel = f
	}
	if v := either(cd.TransitionAttr, cd.Transition); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("transition", v, err)
		}
		m.CustomData.Transition = n
	}
	return m, errs
}

func either(attr, elem string) string {
	if v := strings.TrimSpace(attr); v != "" {
		return v
	}
	return strings.TrimSpace(elem)
}

// Save replaces the file with modules.
func (s *FileStore) Save(modules []StoredModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := xml.MarshalIndent(moduleFile{Modules: modules}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding modules: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.WriteString(xml.Header); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), filePermissions); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
