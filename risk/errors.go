package risk

import (
	"errors"
	"fmt"
)

var (
	ErrCalculatorNotFound = errors.New("risk calculator not found")
	ErrInvalidPosition    = errors.New("invalid position")
	ErrValidation         = errors.New("position validation failed")
)

// CalculatorNotFoundError 协议没有已注册的计算器
type CalculatorNotFoundError struct {
	Protocol string
}

func (e *CalculatorNotFoundError) Error() string {
	return fmt.Sprintf("risk calculator not found for protocol: %s", e.Protocol)
}

func (e *CalculatorNotFoundError) Is(target error) bool { return target == ErrCalculatorNotFound }

// InvalidPositionError 输入为空、协议不匹配或缺少标识字段
type InvalidPositionError struct {
	Message string
}

func (e *InvalidPositionError) Error() string {
	return fmt.Sprintf("invalid position: %s", e.Message)
}

func (e *InvalidPositionError) Is(target error) bool { return target == ErrInvalidPosition }

// ValidationError 仓位数据结构性错误（价值为负等）
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalidPosition(format string, args ...interface{}) error {
	return &InvalidPositionError{Message: fmt.Sprintf(format, args...)}
}

func validationFailed(err error) error {
	return &ValidationError{Reason: err.Error(), Err: err}
}
