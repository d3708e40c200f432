// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/spirit-labs/chanrpc/common"
	log "github.com/spirit-labs/chanrpc/logger"
)

const (
	StartupPath = "/started"
	ReadyPath   = "/ready"
	LivePath    = "/live"
)

/*
Endpoints provides HTTP lifecycle endpoints - these are typically used when deploying the host in k8s and provide
startup, readiness and live-ness endpoints. Readiness additionally asks the ready func, so that a host whose
dependencies are down is taken out of rotation without being restarted.
*/
type Endpoints struct {
	address  string
	ready    func() bool
	lock     sync.Mutex
	server   *http.Server
	listener net.Listener
	started  atomic.Bool
	live     atomic.Bool
}

// NewEndpoints creates endpoints that will listen on address. ready may be nil.
func NewEndpoints(address string, ready func() bool) *Endpoints {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Endpoints{address: address, ready: ready}
}

func (e *Endpoints) SetActive(active bool) {
	e.started.Store(active)
	e.live.Store(active)
}

func (e *Endpoints) Start() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.server != nil {
		return nil
	}
	sm := http.NewServeMux()
	sm.Handle(StartupPath, &handler{state: e.started.Load})
	sm.Handle(ReadyPath, &handler{state: func() bool {
		return e.live.Load() && e.ready()
	}})
	sm.Handle(LivePath, &handler{state: e.live.Load})

	ln, err := net.Listen("tcp", e.address)
	if err != nil {
		return err
	}
	e.listener = ln
	e.server = &http.Server{Addr: e.address, Handler: sm}
	server := e.server
	common.Go(func() {
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("lifecycle server failed to listen %v", err)
		}
	})
	return nil
}

// Address returns the address the endpoints listen on, once started.
func (e *Endpoints) Address() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.listener == nil {
		return e.address
	}
	return e.listener.Addr().String()
}

func (e *Endpoints) Stop() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.server == nil {
		return nil
	}
	err := e.server.Close()
	e.server = nil
	e.listener = nil
	return err
}

type handler struct {
	state func() bool
}

func (i *handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if i.state() {
		writer.WriteHeader(http.StatusOK)
	} else {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}
}
