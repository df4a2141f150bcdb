// Package memory provides an in-process implementation of the store interfaces.
// Records are copied on the way in and out so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu       sync.RWMutex
	services map[string]*models.Service
	domains  map[string]*models.Domain
	tokens   map[string]*models.SourceToken
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		services: make(map[string]*models.Service),
		domains:  make(map[string]*models.Domain),
		tokens:   make(map[string]*models.SourceToken),
	}
}

func (s *Store) Services() store.ServiceStore { return &serviceStore{s} }
func (s *Store) Domains() store.DomainStore   { return &domainStore{s} }
func (s *Store) Tokens() store.TokenStore     { return &tokenStore{s} }

// WithTx runs fn against the same store. Writes are not rolled back on error.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func (s *Store) Close() error { return nil }

type serviceStore struct{ s *Store }

func (st *serviceStore) Create(ctx context.Context, svc *models.Service) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	if _, ok := st.s.services[svc.ID]; ok {
		return store.ErrDuplicate
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	svc.Version = 1
	if svc.Status == "" {
		svc.Status = models.ServiceStatusStopped
	}
	st.s.services[svc.ID] = cloneService(svc)
	return nil
}

func (st *serviceStore) Get(ctx context.Context, id string) (*models.Service, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	svc, ok := st.s.services[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneService(svc), nil
}

func (st *serviceStore) GetByWebhookKey(ctx context.Context, deployKey string) (*models.Service, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	if deployKey == "" {
		return nil, store.ErrNotFound
	}
	for _, svc := range st.s.services {
		if svc.WebhookEnabled && svc.WebhookDeployKey == deployKey {
			return cloneService(svc), nil
		}
	}
	return nil, store.ErrNotFound
}

func (st *serviceStore) List(ctx context.Context) ([]*models.Service, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	out := make([]*models.Service, 0, len(st.s.services))
	for _, svc := range st.s.services {
		out = append(out, cloneService(svc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *serviceStore) Update(ctx context.Context, svc *models.Service) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	current, ok := st.s.services[svc.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != svc.Version {
		return store.ErrConcurrentModification
	}
	svc.Version++
	svc.UpdatedAt = time.Now().UTC()
	st.s.services[svc.ID] = cloneService(svc)
	return nil
}

func (st *serviceStore) Delete(ctx context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.services[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.s.services, id)
	return nil
}

type domainStore struct{ s *Store }

func (st *domainStore) Create(ctx context.Context, d *models.Domain) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	for _, existing := range st.s.domains {
		if strings.EqualFold(existing.Name, d.Name) {
			return store.ErrDuplicate
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.DomainStatusPending
	}
	st.s.domains[d.ID] = cloneDomain(d)
	return nil
}

func (st *domainStore) Get(ctx context.Context, id string) (*models.Domain, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	d, ok := st.s.domains[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDomain(d), nil
}

func (st *domainStore) GetByName(ctx context.Context, name string) (*models.Domain, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	for _, d := range st.s.domains {
		if strings.EqualFold(d.Name, name) {
			return cloneDomain(d), nil
		}
	}
	return nil, store.ErrNotFound
}

func (st *domainStore) ListByService(ctx context.Context, serviceID string) ([]*models.Domain, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []*models.Domain
	for _, d := range st.s.domains {
		if d.ServiceID == serviceID {
			out = append(out, cloneDomain(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *domainStore) Update(ctx context.Context, d *models.Domain) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.domains[d.ID]; !ok {
		return store.ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	st.s.domains[d.ID] = cloneDomain(d)
	return nil
}

func (st *domainStore) Delete(ctx context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.domains[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.s.domains, id)
	return nil
}

func (st *domainStore) DeleteByService(ctx context.Context, serviceID string) (int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	n := 0
	for id, d := range st.s.domains {
		if d.ServiceID == serviceID {
			delete(st.s.domains, id)
			n++
		}
	}
	return n, nil
}

type tokenStore struct{ s *Store }

func (st *tokenStore) Create(ctx context.Context, t *models.SourceToken) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	for _, existing := range st.s.tokens {
		if existing.OwnerID == t.OwnerID && existing.Name == t.Name {
			return store.ErrDuplicate
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	cp := *t
	cp.EncryptedSecret = append([]byte(nil), t.EncryptedSecret...)
	st.s.tokens[t.ID] = &cp
	return nil
}

func (st *tokenStore) Get(ctx context.Context, id string) (*models.SourceToken, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	t, ok := st.s.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	cp.EncryptedSecret = append([]byte(nil), t.EncryptedSecret...)
	return &cp, nil
}

func (st *tokenStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.SourceToken, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []*models.SourceToken
	for _, t := range st.s.tokens {
		if t.OwnerID == ownerID {
			cp := *t
			cp.EncryptedSecret = nil
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *tokenStore) Delete(ctx context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.tokens[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.s.tokens, id)
	return nil
}

func cloneService(svc *models.Service) *models.Service {
	cp := *svc
	if svc.Args != nil {
		cp.Args = append([]string(nil), svc.Args...)
	}
	if svc.ProcessHandle != nil {
		h := *svc.ProcessHandle
		cp.ProcessHandle = &h
	}
	if svc.Environments != nil {
		cp.Environments = make(map[string]map[string]string, len(svc.Environments))
		for name, vars := range svc.Environments {
			m := make(map[string]string, len(vars))
			for k, v := range vars {
				m[k] = v
			}
			cp.Environments[name] = m
		}
	}
	return &cp
}

func cloneDomain(d *models.Domain) *models.Domain {
	cp := *d
	if d.LastCheckedAt != nil {
		t := *d.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	if d.ActivatedAt != nil {
		t := *d.ActivatedAt
		cp.ActivatedAt = &t
	}
	return &cp
}
