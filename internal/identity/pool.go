// Package identity holds the account and network-egress pools workers are
// bound to. Pools are not safe for concurrent use: the supervisor's event
// loop owns them, which is what keeps two workers from ever holding the same
// account or proxy.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/craftswarm/craftswarm/internal/config"
)

var (
	ErrPoolExhausted = errors.New("identity: no free entry in pool")
	ErrNotBound      = errors.New("identity: entry is not bound")
)

// Account is an account record from identity management.
type Account struct {
	Username string    `json:"username"`
	Auth     string    `json:"auth"`
	Password string    `json:"password,omitempty"`
	Uses     int       `json:"uses"`
	LastUsed time.Time `json:"last_used"`
}

// Key identifies the account inside its pool.
func (a Account) Key() string { return strings.ToLower(a.Username) }

func (a Account) withUsage(uses int, at time.Time) Account {
	a.Uses, a.LastUsed = uses, at
	return a
}

// Proxy is a network-egress record from proxy management.
type Proxy struct {
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Protocol string    `json:"protocol"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
	Uses     int       `json:"uses"`
	Failures int       `json:"failures"`
	LastUsed time.Time `json:"last_used"`
}

// Key identifies the proxy inside its pool.
func (p Proxy) Key() string { return p.Address() }

func (p Proxy) withUsage(uses int, at time.Time) Proxy {
	p.Uses, p.LastUsed = uses, at
	return p
}

// Address returns host:port.
func (p Proxy) Address() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// URL returns the proxy as protocol://host:port.
func (p Proxy) URL() string {
	proto := p.Protocol
	if proto == "" {
		proto = "socks5"
	}
	return proto + "://" + p.Address()
}

type entry[T any] struct {
	value    T
	key      string
	uses     int
	lastUsed time.Time
	boundTo  string
}

// usageStamped values carry their pool usage counters.
type usageStamped[T any] interface {
	withUsage(uses int, at time.Time) T
}

// Pool hands out entries least-recently-used first and tracks which worker
// holds each one.
type Pool[T any] struct {
	entries []*entry[T]
	nowFunc func() time.Time
}

// NewPool builds a pool from values; key extracts each entry's identity.
// Duplicate keys are dropped.
func NewPool[T any](values []T, key func(T) string) *Pool[T] {
	p := &Pool[T]{nowFunc: time.Now}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		k := strings.TrimSpace(key(v))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		p.entries = append(p.entries, &entry[T]{value: v, key: k})
	}
	return p
}

// Len returns the number of entries.
func (p *Pool[T]) Len() int { return len(p.entries) }

// Free returns the number of unbound entries.
func (p *Pool[T]) Free() int {
	n := 0
	for _, e := range p.entries {
		if e.boundTo == "" {
			n++
		}
	}
	return n
}

// Acquire binds the least-recently-used free entry to owner and marks it used
// before returning, so the next Acquire can never pick the same entry.
func (p *Pool[T]) Acquire(owner string) (T, string, error) {
	var zero T
	var best *entry[T]
	for _, e := range p.entries {
		if e.boundTo != "" {
			continue
		}
		if best == nil || e.lastUsed.Before(best.lastUsed) {
			best = e
		}
	}
	if best == nil {
		return zero, "", ErrPoolExhausted
	}
	best.boundTo = owner
	best.uses++
	best.lastUsed = p.nowFunc()
	v := best.value
	if u, ok := any(v).(usageStamped[T]); ok {
		v = u.withUsage(best.uses, best.lastUsed)
	}
	return v, best.key, nil
}

// Release unbinds the entry with key if owner holds it.
func (p *Pool[T]) Release(key, owner string) error {
	for _, e := range p.entries {
		if e.key != key {
			continue
		}
		if e.boundTo != owner {
			return ErrNotBound
		}
		e.boundTo = ""
		return nil
	}
	return ErrNotBound
}

// ReleaseAll unbinds every entry held by owner.
func (p *Pool[T]) ReleaseAll(owner string) {
	for _, e := range p.entries {
		if e.boundTo == owner {
			e.boundTo = ""
		}
	}
}

// Reset unbinds everything. Used by emergency stop.
func (p *Pool[T]) Reset() {
	for _, e := range p.entries {
		e.boundTo = ""
	}
}

// Uses returns the usage counter for key.
func (p *Pool[T]) Uses(key string) int {
	for _, e := range p.entries {
		if e.key == key {
			return e.uses
		}
	}
	return 0
}

// Accounts builds the account pool from configuration.
func Accounts(cfgs []config.AccountConfig) *Pool[Account] {
	values := make([]Account, 0, len(cfgs))
	for _, c := range cfgs {
		auth := c.Auth
		if auth == "" {
			auth = "offline"
		}
		values = append(values, Account{Username: c.Username, Auth: auth, Password: c.Password})
	}
	return NewPool(values, Account.Key)
}

// Proxies builds the network-egress pool from configuration.
func Proxies(cfgs []config.ProxyConfig) *Pool[Proxy] {
	values := make([]Proxy, 0, len(cfgs))
	for _, c := range cfgs {
		if strings.TrimSpace(c.Host) == "" || c.Port <= 0 {
			continue
		}
		values = append(values, Proxy{Host: c.Host, Port: c.Port, Protocol: c.Protocol, Username: c.Username, Password: c.Password})
	}
	return NewPool(values, Proxy.Key)
}
