// kv.go - Einfuege-geordneter Key-Value-Store fuer GGUF-Metadaten
//
// Die Referenz (teacher ggml_kv.go) haelt KV als schlichte map[string]any
// und sortiert Keys beim Schreiben alphabetisch. Wir ersetzen das durch
// wk8/go-ordered-map/v2, damit ein gelesenes und direkt wieder geschriebenes
// File byteweise identisch bleibt (spec §8 Invariante 8: Container-Rundreise).
package gguf

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ValueType tags the wire representation of one KV entry.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

// KV is an insertion-ordered GGUF metadata store.
type KV struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewKV returns an empty KV store.
func NewKV() *KV {
	return &KV{m: orderedmap.New[string, any]()}
}

// Set stores v under key, appending a new entry if key is unseen or
// overwriting in place (preserving original position) otherwise.
func (kv *KV) Set(key string, v any) {
	kv.m.Set(key, v)
}

// Value returns the raw value stored under key, or nil if absent.
func (kv *KV) Value(key string) any {
	v, _ := kv.m.Get(key)
	return v
}

// Len reports the number of KV entries.
func (kv *KV) Len() int {
	return kv.m.Len()
}

// Keys returns keys in insertion order.
func (kv *KV) Keys() []string {
	out := make([]string, 0, kv.m.Len())
	for pair := kv.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func keyValue[T any](kv *KV, key string, def T) T {
	if v, ok := kv.m.Get(key); ok {
		if t, ok := v.(T); ok {
			return t
		}
	}
	return def
}

// String returns key's value as a string, or def (empty by default).
func (kv *KV) String(key string, def ...string) string {
	d := ""
	if len(def) > 0 {
		d = def[0]
	}
	return keyValue(kv, key, d)
}

// Uint32 returns key's value as a uint32, or def.
func (kv *KV) Uint32(key string, def ...uint32) uint32 {
	var d uint32
	if len(def) > 0 {
		d = def[0]
	}
	return keyValue(kv, key, d)
}

// Int32 returns key's value as an int32, or def.
func (kv *KV) Int32(key string, def ...int32) int32 {
	var d int32
	if len(def) > 0 {
		d = def[0]
	}
	return keyValue(kv, key, d)
}

// Float32 returns key's value as a float32, or def.
func (kv *KV) Float32(key string, def ...float32) float32 {
	var d float32
	if len(def) > 0 {
		d = def[0]
	}
	return keyValue(kv, key, d)
}

// Bool returns key's value as a bool, or def.
func (kv *KV) Bool(key string, def ...bool) bool {
	var d bool
	if len(def) > 0 {
		d = def[0]
	}
	return keyValue(kv, key, d)
}

// Strings returns key's value as a []string, or nil.
func (kv *KV) Strings(key string) []string {
	return keyValue[[]string](kv, key, nil)
}

// Int32s returns key's value as a []int32, or nil.
func (kv *KV) Int32s(key string) []int32 {
	return keyValue[[]int32](kv, key, nil)
}

// Uint32s returns key's value as a []uint32, or nil.
func (kv *KV) Uint32s(key string) []uint32 {
	return keyValue[[]uint32](kv, key, nil)
}

// Float32s returns key's value as a []float32, or nil.
func (kv *KV) Float32s(key string) []float32 {
	return keyValue[[]float32](kv, key, nil)
}
