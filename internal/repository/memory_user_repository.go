package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/auth-service/internal/domain"
)

// MemoryUserRepository keeps users in process memory. It backs local
// development when no database is configured, and tests.
type MemoryUserRepository struct {
	mu         sync.RWMutex
	byID       map[string]*domain.User
	byEmail    map[string]string
	byUsername map[string]string
	now        func() time.Time
}

// NewMemoryUserRepository returns an empty store.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:       make(map[string]*domain.User),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	email := domain.NormalizeEmail(user.Email)
	if _, ok := r.byEmail[email]; ok {
		return &DuplicateError{Field: "email"}
	}
	if _, ok := r.byUsername[user.Username]; ok {
		return &DuplicateError{Field: "username"}
	}

	now := r.now().UTC()
	user.ID = uuid.NewString()
	user.Email = email
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := *user
	r.byID[user.ID] = &stored
	r.byEmail[email] = user.ID
	r.byUsername[user.Username] = user.ID
	return nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, user *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[user.ID]
	if !ok {
		return ErrNotFound
	}
	email := domain.NormalizeEmail(user.Email)
	if id, ok := r.byEmail[email]; ok && id != user.ID {
		return &DuplicateError{Field: "email"}
	}
	if id, ok := r.byUsername[user.Username]; ok && id != user.ID {
		return &DuplicateError{Field: "username"}
	}

	delete(r.byEmail, current.Email)
	delete(r.byUsername, current.Username)

	user.Email = email
	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = r.now().UTC()

	stored := *user
	r.byID[user.ID] = &stored
	r.byEmail[email] = user.ID
	r.byUsername[user.Username] = user.ID
	return nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(id)
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(r.byEmail[domain.NormalizeEmail(email)])
}

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(r.byUsername[username])
}

func (r *MemoryUserRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	user.LastLoginAt = &t
	return nil
}

func (r *MemoryUserRepository) copyOf(id string) (*domain.User, error) {
	user, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	if user.LastLoginAt != nil {
		t := *user.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp, nil
}
