// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dspool

import "container/list"

// handoff is what a waiter receives: either a busy slot, a grant to open a
// new connection against capacity already reserved for it, or an error.
type handoff[C Connection] struct {
	slot  *Slot[C]
	grant bool
	err   error
}

// waiter is a client blocked in acquire.
type waiter[C Connection] struct {
	// ch is buffered so the pool can hand over while holding its mutex.
	ch   chan handoff[C]
	elem *list.Element
}

// waitlist is a FIFO of blocked acquirers. It has no lock of its own: every
// method must be called with the owning pool's mutex held.
type waitlist[C Connection] struct {
	list list.List
}

func (wl *waitlist[C]) push() *waiter[C] {
	w := &waiter[C]{ch: make(chan handoff[C], 1)}
	w.elem = wl.list.PushBack(w)
	return w
}

// remove takes w off the list. It returns false if w was already popped, in
// which case a handoff is on its way (or already sitting) in w.ch.
func (wl *waitlist[C]) remove(w *waiter[C]) bool {
	if w.elem == nil {
		return false
	}
	wl.list.Remove(w.elem)
	w.elem = nil
	return true
}

// pop removes and returns the longest-waiting client, or nil.
func (wl *waitlist[C]) pop() *waiter[C] {
	front := wl.list.Front()
	if front == nil {
		return nil
	}
	w := wl.list.Remove(front).(*waiter[C])
	w.elem = nil
	return w
}

// failAll pops every waiter and sends it err.
func (wl *waitlist[C]) failAll(err error) int {
	n := 0
	for w := wl.pop(); w != nil; w = wl.pop() {
		w.ch <- handoff[C]{err: err}
		n++
	}
	return n
}

func (wl *waitlist[C]) len() int {
	return wl.list.Len()
}
