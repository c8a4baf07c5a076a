/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"fmt"
	"sync"
)

// UserMap is a simple map[string]*User wrapped with a concurrent-safe API.
// It backs Server.Users (by username), Server.Nicks (by nickname), and
// each Channel's membership/role lists.
type UserMap struct {
	data map[string]*User
	sync.RWMutex
}

// NewUserMap initializes and returns a pointer to a new UserMap instance.
func NewUserMap() *UserMap {
	return &UserMap{
		data: make(map[string]*User),
	}
}

// ForEach will call the provided function for each entry in the UserMap.
func (m *UserMap) ForEach(do func(*User)) {
	m.RLock()
	defer m.RUnlock()

	for _, val := range m.data {
		do(val)
	}
}

// Length returns the length of the underlying map.
func (m *UserMap) Length() int {
	m.RLock()
	defer m.RUnlock()

	return len(m.data)
}

// Add is used to add a key/value to the map.
// Returns an error if the key already exists.
func (m *UserMap) Add(key string, value *User) error {
	m.Lock()
	defer m.Unlock()

	_, exists := m.data[key]

	if exists {
		return fmt.Errorf("UserMap: Cannot add map entry, key already exists: %q", key)
	}

	m.data[key] = value
	return nil
}

// Del is used to remove a key/value from the map.
// Returns an error if the key does not exist.
func (m *UserMap) Del(key string) error {
	m.Lock()
	defer m.Unlock()

	_, exists := m.data[key]

	if !exists {
		return fmt.Errorf("UserMap: Cannot delete map entry, key does not exist: %q", key)
	}

	delete(m.data, key)

	return nil
}

// Get is used to get a key/value from the map.
// Returns an error if the key does not exist.
func (m *UserMap) Get(key string) (*User, error) {
	m.RLock()
	defer m.RUnlock()

	v, exists := m.data[key]

	if !exists {
		return nil, fmt.Errorf("UserMap: Cannot get map value, key does not exist: %q", key)
	}

	return v, nil
}

// Set is used to change an existing key/value in the map.
// Returns an error if the key does not exist.
func (m *UserMap) Set(key string, value *User) error {
	m.Lock()
	defer m.Unlock()

	_, exists := m.data[key]

	if !exists {
		return fmt.Errorf("UserMap: Cannot set map value, key does not exist: %q", key)
	}

	m.data[key] = value

	return nil
}

// Exists is used by external callers to check if a value
// exists in the map and returns a boolean with the result.
func (m *UserMap) Exists(key string) bool {
	m.RLock()
	defer m.RUnlock()

	_, exists := m.data[key]
	return exists
}

// Keys returns a snapshot slice of the map's current keys.
func (m *UserMap) Keys() []string {
	m.RLock()
	defer m.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}
