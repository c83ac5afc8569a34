package model

import (
	"errors"
	"fmt"
)

// FetchErrorKind はフェッチ失敗の分類。
// このサブシステムでは一時的・恒久的のどちらも同じく失敗として記録する。
type FetchErrorKind string

const (
	// FetchErrorTransient はネットワーク障害やタイムアウトなどの一時的な失敗。
	FetchErrorTransient FetchErrorKind = "transient"
	// FetchErrorPermanent はフィード削除などの恒久的な失敗。
	FetchErrorPermanent FetchErrorKind = "permanent"
)

// FetchError はフェッチ失敗を表す。
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int // HTTPステータス（取得できた場合）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] HTTP %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientFetchError は一時的なフェッチ失敗を生成する。
func NewTransientFetchError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchErrorTransient, StatusCode: statusCode, Err: err}
}

// NewPermanentFetchError は恒久的なフェッチ失敗を生成する。
func NewPermanentFetchError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchErrorPermanent, StatusCode: statusCode, Err: err}
}

// FetchErrorKindOf はerrの分類を返す。FetchErrorでない場合は一時的な失敗とみなす。
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FetchErrorTransient
}

var (
	// ErrFingerprint はフィンガープリント計算の失敗。一時的なフェッチ失敗と同様に扱う。
	ErrFingerprint = errors.New("フィンガープリントの計算に失敗しました")

	// ErrUnknownFingerprintAlgorithm は未対応のハッシュアルゴリズム指定。
	ErrUnknownFingerprintAlgorithm = errors.New("未対応のフィンガープリントアルゴリズムです")

	// ErrRegistryRead はフィードレジストリの読み取り失敗。ティックを中断する。
	ErrRegistryRead = errors.New("フィードレジストリの読み取りに失敗しました")

	// ErrReaperScan は作成タスクの走査失敗。リーパーのティックを中断する。
	ErrReaperScan = errors.New("作成タスクの走査に失敗しました")

	// ErrUnknownTask はスケジュール表に未登録のタスク名が含まれていた場合のエラー。
	ErrUnknownTask = errors.New("未登録のタスクです")
)
