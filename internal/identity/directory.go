package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Querier is the read side of a pgx pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGDirectory reads the customers table maintained by the customer system.
// Phones there are stored in E.164.
type PGDirectory struct {
	db Querier
}

func NewPGDirectory(db Querier) *PGDirectory {
	return &PGDirectory{db: db}
}

const customerColumns = `id, name, COALESCE(phone, ''), COALESCE(email, '')`

// Matches are capped at two; the resolver only needs to tell one from many.
func (d *PGDirectory) FindByPhone(ctx context.Context, phone string) ([]Customer, error) {
	return d.find(ctx, `SELECT `+customerColumns+` FROM customers WHERE phone = $1 ORDER BY id LIMIT 2`, phone)
}

func (d *PGDirectory) FindByEmail(ctx context.Context, email string) ([]Customer, error) {
	return d.find(ctx, `SELECT `+customerColumns+` FROM customers WHERE lower(email) = $1 ORDER BY id LIMIT 2`, email)
}

func (d *PGDirectory) Get(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := d.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return c, err
}

func (d *PGDirectory) find(ctx context.Context, query, arg string) ([]Customer, error) {
	rows, err := d.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Customer, error) {
		var c Customer
		err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
		return c, err
	})
}

// MemoryDirectory is a static directory for tests and local runs.
type MemoryDirectory struct {
	mu        sync.RWMutex
	customers map[string]Customer
}

func NewMemoryDirectory(customers ...Customer) *MemoryDirectory {
	d := &MemoryDirectory{customers: map[string]Customer{}}
	for _, c := range customers {
		d.Put(c)
	}
	return d
}

// Put stores c with its phone and email normalized.
func (d *MemoryDirectory) Put(c Customer) {
	c.Phone = NormalizePhone(c.Phone)
	c.Email = NormalizeEmail(c.Email)
	d.mu.Lock()
	d.customers[c.ID] = c
	d.mu.Unlock()
}

func (d *MemoryDirectory) FindByPhone(ctx context.Context, phone string) ([]Customer, error) {
	return d.match(func(c Customer) bool { return c.Phone != "" && c.Phone == phone }), nil
}

func (d *MemoryDirectory) FindByEmail(ctx context.Context, email string) ([]Customer, error) {
	email = strings.ToLower(email)
	return d.match(func(c Customer) bool { return c.Email != "" && c.Email == email }), nil
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (Customer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.customers[id]
	if !ok {
		return Customer{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return c, nil
}

func (d *MemoryDirectory) match(fn func(Customer) bool) []Customer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Customer
	for _, c := range d.customers {
		if fn(c) {
			out = append(out, c)
		}
	}
	return out
}
