/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ldap

import (
	"context"
	"net"
	"sync"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
)

// PoolConfig sizes one connection pool.
type PoolConfig struct {
	URL            string
	BindDN         string
	Password       string
	Initial        int
	Max            int
	CheckoutWait   time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Pool hands out bound LDAP connections. Checkout is FIFO through a
// channel; each handle is used by one goroutine at a time.
type Pool struct {
	cfg  PoolConfig
	idle chan *ldapv3.Conn

	mu     sync.Mutex
	open   int
	closed bool
}

// NewPool dials the initial connections eagerly so that a misconfigured
// endpoint fails at startup, not mid-batch.
func NewPool(cfg PoolConfig) (*Pool, error) {
	p := &Pool{cfg: cfg, idle: make(chan *ldapv3.Conn, cfg.Max)}
	for i := 0; i < cfg.Initial; i++ {
		conn, err := p.dial()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.mu.Lock()
		p.open++
		p.mu.Unlock()
		p.idle <- conn
	}
	return p, nil
}

func (p *Pool) dial() (*ldapv3.Conn, error) {
	conn, err := ldapv3.DialURL(p.cfg.URL, ldapv3.DialWithDialer(&net.Dialer{Timeout: p.cfg.ConnectTimeout}))
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.LdapUnreachable, "dialing %s", p.cfg.URL)
	}
	conn.SetTimeout(p.cfg.ReadTimeout)
	if err := conn.Bind(p.cfg.BindDN, p.cfg.Password); err != nil {
		conn.Close()
		return nil, pkderrors.Wrap(err, pkderrors.LdapUnreachable, "binding as %s", p.cfg.BindDN)
	}
	return conn, nil
}

// Get checks out a connection, dialing a fresh one while under Max,
// otherwise waiting up to CheckoutWait.
func (p *Pool) Get(ctx context.Context) (*ldapv3.Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, pkderrors.New(pkderrors.LdapUnreachable, "pool is closed")
	}
	if p.open < p.cfg.Max {
		p.open++
		p.mu.Unlock()
		conn, err := p.dial()
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.CheckoutWait)
	defer timer.Stop()
	select {
	case conn := <-p.idle:
		return conn, nil
	case <-timer.C:
		return nil, pkderrors.New(pkderrors.PoolExhausted,
			"no LDAP connection available within %s", p.cfg.CheckoutWait)
	case <-ctx.Done():
		return nil, pkderrors.Wrap(ctx.Err(), pkderrors.Cancelled, "waiting for LDAP connection")
	}
}

// Put returns a connection. Broken handles are discarded so the next Get
// dials anew.
func (p *Pool) Put(conn *ldapv3.Conn, broken bool) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if broken || closed {
		conn.Close()
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return
	}
	select {
	case p.idle <- conn:
	default:
		conn.Close()
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
	}
}

// Close discards every idle connection. Checked-out handles are closed as
// they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
		default:
			return
		}
	}
}
