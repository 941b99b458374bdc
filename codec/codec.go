// Package codec serializes cached values to and from the byte form stored
// by a backend.
package codec

// Codec converts values of type V to []byte and back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
