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

package typeutil

import "sync"

// ConcurrentSet 是并发安全的泛型集合，零值可用。
type ConcurrentSet[T comparable] struct {
	inner sync.Map
}

func NewConcurrentSet[T comparable]() *ConcurrentSet[T] {
	return &ConcurrentSet[T]{}
}

// Upsert 插入全部元素，已存在的保持不变。
func (set *ConcurrentSet[T]) Upsert(elements ...T) {
	for _, e := range elements {
		set.inner.Store(e, struct{}{})
	}
}

// Insert 插入单个元素，返回它此前是否不存在。
func (set *ConcurrentSet[T]) Insert(element T) bool {
	_, exist := set.inner.LoadOrStore(element, struct{}{})
	return !exist
}

// Contain 判断元素是否全部存在。
func (set *ConcurrentSet[T]) Contain(elements ...T) bool {
	for _, e := range elements {
		if _, ok := set.inner.Load(e); !ok {
			return false
		}
	}
	return true
}

func (set *ConcurrentSet[T]) Remove(elements ...T) {
	for _, e := range elements {
		set.inner.Delete(e)
	}
}

// Collect 返回当前元素的快照，顺序不定。
func (set *ConcurrentSet[T]) Collect() []T {
	var elements []T
	set.inner.Range(func(key, _ any) bool {
		elements = append(elements, key.(T))
		return true
	})
	return elements
}
