// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata writes an op stream for `logmap load`: one
// key:value line per put and one -key line per remove.
package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math/rand"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpowers/logmap/internal/bytesutil"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := crand.Read(seedBytes[:]); err != nil {
			panic(err)
		}
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

// keyFor derives a key from a value so streams can be checked without
// keeping the generated pairs around.
func keyFor(h hash.Hash, value []byte) []byte {
	h.Reset()
	h.Write(value)
	sum := h.Sum(nil)
	key := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(key, sum)
	return key
}

func main() {
	nPairs := pflag.IntP("pairs", "n", 1000000, "number of key:value pairs to put")
	updateRatio := pflag.Float64("updates", 0, "fraction of puts that overwrite an earlier key")
	removeRatio := pflag.Float64("removes", 0, "fraction of earlier keys to remove afterwards")
	seed := pflag.Int64("seed", 0, "random seed (0 picks one)")
	pflag.Parse()

	rng := newRand(*seed)
	h := hmac.New(sha256.New, []byte(hmacKey))
	w := bufio.NewWriter(os.Stdout)

	keys := make([][]byte, 0, *nPairs)
	var line []byte
	for i := 0; i < *nPairs; i++ {
		var buf [suffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			panic(err)
		}
		value := []byte(fmt.Sprintf("%s%x", prefix, buf))

		var key []byte
		if len(keys) > 0 && rng.Float64() < *updateRatio {
			key = keys[rng.Intn(len(keys))]
		} else {
			key = keyFor(h, value)
			keys = append(keys, key)
		}

		line = bytesutil.AppendPut(line[:0], key, value)
		if _, err := w.Write(line); err != nil {
			panic(err)
		}
	}

	for _, key := range keys {
		if rng.Float64() >= *removeRatio {
			continue
		}
		line = bytesutil.AppendRemove(line[:0], key)
		if _, err := w.Write(line); err != nil {
			panic(err)
		}
	}

	if err := w.Flush(); err != nil {
		panic(err)
	}
}
