// Package params reads operator-tunable string parameters such as the
// alert policies. Values come from a JSON or YAML file layered over
// built-in defaults; the file can be watched for live changes.
package params

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/storaged/storaged/internal/policy"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// Parameter keys.
const (
	KeySpacePolicy = "storage.space_alert_policy"
	KeyInodePolicy = "storage.inode_alert_policy"
)

// Store is a read-only view of string parameters.
type Store interface {
	// Get returns the value for key, or def when unset or empty.
	Get(key, def string) string
}

// Static is a fixed Store.
type Static map[string]string

// Get implements Store.
func (s Static) Get(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Defaults returns the built-in parameter values.
func Defaults() map[string]string {
	return map[string]string{
		KeySpacePolicy: policy.DefaultSpacePolicy,
		KeyInodePolicy: policy.DefaultInodePolicy,
	}
}

// FileStore serves parameters from a file over the defaults.
type FileStore struct {
	path   string
	logger *utils.StructuredLogger

	mu       sync.RWMutex
	k        *koanf.Koanf
	onChange []func()
	closed   bool
}

// Open loads path over the defaults. An empty path serves defaults only;
// a missing file is logged and treated the same way. With watch set,
// later edits to the file replace the served values.
func Open(path string, watch bool, logger *utils.StructuredLogger) (*FileStore, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &FileStore{path: path, logger: logger.WithComponent("params")}

	k, err := s.load()
	if err != nil {
		return nil, err
	}
	s.k = k

	if watch && path != "" {
		if _, statErr := os.Stat(path); statErr != nil {
			s.logger.Warn("parameter file missing, not watching", map[string]interface{}{"path": path})
			return s, nil
		}
		if err := file.Provider(path).Watch(s.onEvent); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "watch "+path)
		}
	}
	return s, nil
}

func (s *FileStore) load() (*koanf.Koanf, error) {
	k := koanf.New(".")

	defaults, err := json.Marshal(nest(Defaults()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "encode defaults")
	}
	if err := k.Load(rawbytes.Provider(defaults), kjson.Parser()); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "load defaults")
	}

	if s.path == "" {
		return k, nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.logger.Warn("parameter file not found, using defaults", map[string]interface{}{"path": s.path})
		return k, nil
	}
	if err := k.Load(file.Provider(s.path), parserFor(s.path)); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "load "+s.path)
	}
	return k, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return kjson.Parser()
	}
}

// nest turns dotted keys into the nested maps koanf parsers produce.
func nest(flat map[string]string) map[string]interface{} {
	out := map[string]interface{}{}
	for key, v := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = v
	}
	return out
}

func (s *FileStore) onEvent(_ interface{}, err error) {
	if err != nil {
		s.logger.Warn("parameter watch error", map[string]interface{}{"error": err})
		return
	}
	if err := s.Reload(); err != nil {
		s.logger.Warn("parameter reload failed, keeping previous values", map[string]interface{}{"error": err})
	}
}

// Reload re-reads the file. On error the previous values stay in place.
func (s *FileStore) Reload() error {
	k, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.k = k
	callbacks := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("parameters reloaded", map[string]interface{}{"path": s.path})
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// OnChange registers fn to run after each successful reload.
func (s *FileStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Get implements Store.
func (s *FileStore) Get(key, def string) string {
	s.mu.RLock()
	k := s.k
	s.mu.RUnlock()
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

// Close stops applying reloads.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
