// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/pkg/log"
)

// refLock 是带引用计数的互斥锁，引用归零后从 KeyLock 中移除。
type refLock struct {
	mutex    sync.Mutex
	refCount int
}

// KeyLock 为每个 key 提供独立的互斥锁。
// 不同 key 之间互不阻塞，锁对象按需创建、用完回收。
type KeyLock[K comparable] struct {
	keyLocksMutex sync.Mutex
	refLocks      map[K]*refLock
}

func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		refLocks: make(map[K]*refLock),
	}
}

// Lock 获取 key 对应的锁。
func (k *KeyLock[K]) Lock(key K) {
	k.keyLocksMutex.Lock()
	keyLock, ok := k.refLocks[key]
	if !ok {
		keyLock = &refLock{}
		k.refLocks[key] = keyLock
	}
	keyLock.refCount++
	k.keyLocksMutex.Unlock()

	keyLock.mutex.Lock()
}

// TryLock 尝试获取 key 对应的锁，失败时立即返回 false。
func (k *KeyLock[K]) TryLock(key K) bool {
	k.keyLocksMutex.Lock()
	keyLock, ok := k.refLocks[key]
	if !ok {
		keyLock = &refLock{}
		k.refLocks[key] = keyLock
	}
	locked := keyLock.mutex.TryLock()
	if locked {
		keyLock.refCount++
	} else if keyLock.refCount == 0 {
		delete(k.refLocks, key)
	}
	k.keyLocksMutex.Unlock()
	return locked
}

// Unlock 释放 key 对应的锁。
func (k *KeyLock[K]) Unlock(key K) {
	k.keyLocksMutex.Lock()
	defer k.keyLocksMutex.Unlock()
	keyLock, ok := k.refLocks[key]
	if !ok {
		log.Warn("unlocking a key that is not locked", zap.Any("key", key))
		return
	}
	keyLock.mutex.Unlock()
	keyLock.refCount--
	if keyLock.refCount == 0 {
		delete(k.refLocks, key)
	}
}

func (k *KeyLock[K]) size() int {
	k.keyLocksMutex.Lock()
	defer k.keyLocksMutex.Unlock()
	return len(k.refLocks)
}
