// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package registry

import (
	"sync"
)

// lockMap hands out one mutex per submission id. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
type lockMap struct {
	sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: map[string]*keyLock{}}
}

func (lm *lockMap) lock(key string) {
	lm.Lock()
	l, ok := lm.locks[key]
	if !ok {
		l = &keyLock{}
		lm.locks[key] = l
	}
	l.refs++
	lm.Unlock()

	l.Lock()
}

func (lm *lockMap) unlock(key string) {
	lm.Lock()
	l, ok := lm.locks[key]
	if !ok {
		lm.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(lm.locks, key)
	}
	lm.Unlock()

	l.Unlock()
}

func (lm *lockMap) len() int {
	lm.Lock()
	defer lm.Unlock()
	return len(lm.locks)
}
