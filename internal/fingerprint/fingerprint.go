// Package fingerprint はフィードコンテンツのフィンガープリント計算を提供する。
// 同一アルゴリズム・同一バイト列に対しては、プロセス再起動や実装の移行を
// またいでも常に同じ値を返す。
package fingerprint

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hitoshi/feedcheck/internal/model"
)

// Algorithm はフィンガープリントに使用するハッシュアルゴリズム。
type Algorithm string

const (
	// AlgorithmSHA1 はSHA-1（デフォルト）。
	AlgorithmSHA1 Algorithm = "sha1"
	// AlgorithmSHA256 はSHA-256。
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmMD5 はMD5。
	AlgorithmMD5 Algorithm = "md5"
	// AlgorithmXXHash64 はxxHash64。暗号学的強度は不要な場合の高速な選択肢。
	AlgorithmXXHash64 Algorithm = "xxhash64"
)

// DefaultAlgorithm はデフォルトのアルゴリズム。
const DefaultAlgorithm = AlgorithmSHA1

var constructors = map[Algorithm]func() hash.Hash{
	AlgorithmSHA1:   sha1.New,
	AlgorithmSHA256: sha256.New,
	AlgorithmMD5:    md5.New,
	AlgorithmXXHash64: func() hash.Hash {
		return xxhash.New()
	},
}

// ParseAlgorithm は設定値の文字列をAlgorithmに変換する。
// 大文字小文字と前後の空白は無視する。未対応の値はエラーを返す。
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := constructors[a]; !ok {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownFingerprintAlgorithm, s)
	}
	return a, nil
}

// Fingerprinter はコンテンツからフィンガープリントを計算する。
// 状態を持たず、複数goroutineから同時に使用できる。
type Fingerprinter struct {
	algorithm Algorithm
	newHash   func() hash.Hash
}

// New は指定アルゴリズムのFingerprinterを生成する。
func New(algorithm Algorithm) (*Fingerprinter, error) {
	ctor, ok := constructors[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownFingerprintAlgorithm, algorithm)
	}
	return &Fingerprinter{algorithm: algorithm, newHash: ctor}, nil
}

// Algorithm は使用中のアルゴリズムを返す。
func (f *Fingerprinter) Algorithm() Algorithm {
	return f.algorithm
}

// Fingerprint はcontentのダイジェストを小文字16進文字列で返す。
// 空のコンテンツも通常どおりダイジェストを返す。
func (f *Fingerprinter) Fingerprint(content []byte) (model.Fingerprint, error) {
	h := f.newHash()
	if _, err := h.Write(content); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrFingerprint, err)
	}
	return model.Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}
