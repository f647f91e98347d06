// Copyright 2018 TiKV Project Authors.
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

package url

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

var (
	testAddrMutex sync.Mutex
	testAddrs     = make(map[string]struct{})
)

// AllocAddr allocates a local address (like host:port) for testing.
// The same address is never handed out twice within a test binary.
func AllocAddr(tb testing.TB) string {
	for i := 0; i < 10; i++ {
		if addr := tryAllocTestAddr(tb); addr != "" {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}
	tb.Fatal("failed to alloc test address")
	return ""
}

// AllocPort allocates a local port for testing.
func AllocPort(tb testing.TB) uint16 {
	_, port, err := net.SplitHostPort(AllocAddr(tb))
	if err != nil {
		tb.Fatal("split address failed", err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		tb.Fatal("parse port failed", err)
	}
	return uint16(p)
}

func tryAllocTestAddr(tb testing.TB) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal("listen failed", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		tb.Fatal("close failed", err)
	}

	testAddrMutex.Lock()
	defer testAddrMutex.Unlock()
	if _, ok := testAddrs[addr]; ok {
		return ""
	}
	if !environmentCheck(tb, addr) {
		return ""
	}
	testAddrs[addr] = struct{}{}
	return addr
}
