package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a secret is in neither source.
var ErrNotFound = errors.New("paramstore: secret not found")

type cached struct {
	once sync.Once
	val  string
	err  error
}

// Secrets resolves named secrets, reading each from the parameter store at
// most once per process. Without a Getter, or when the parameter is absent,
// the environment variable of the same name is used.
type Secrets struct {
	getter Getter
	prefix string
	lookup func(string) (string, bool)

	mu      sync.Mutex
	entries map[string]*cached
}

// NewSecrets builds a resolver. getter may be nil to read only the
// environment. Parameter names are prefix + "/" + name.
func NewSecrets(getter Getter, prefix string) *Secrets {
	return &Secrets{
		getter:  getter,
		prefix:  strings.TrimRight(strings.TrimSpace(prefix), "/"),
		lookup:  os.LookupEnv,
		entries: make(map[string]*cached),
	}
}

func (s *Secrets) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: secret name is required")
	}
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		e = &cached{}
		s.entries[name] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.val, e.err = s.resolve(ctx, name)
	})
	return e.val, e.err
}

// Optional returns "" instead of ErrNotFound.
func (s *Secrets) Optional(ctx context.Context, name string) (string, error) {
	v, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Secrets) resolve(ctx context.Context, name string) (string, error) {
	var ssmErr error
	if s.getter != nil {
		v, err := s.getter.GetParameter(ctx, s.prefix+"/"+name)
		if err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
		ssmErr = err
	}
	if v, ok := s.lookup(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	if ssmErr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, name, ssmErr)
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
