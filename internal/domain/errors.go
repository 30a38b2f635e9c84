package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFileFormat    = errors.New("invalid file format")
	ErrConfiguration        = errors.New("configuration error")
	ErrData                 = errors.New("data error")
	ErrNumericalInstability = errors.New("numerical instability")
	ErrConvergence          = errors.New("quasi-newton phase stopped before tolerance")
	ErrMonitoring           = errors.New("solvation energy monitoring failed")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
)

// ConfigurationError ошибка конфигурации, обнаруженная до начала обучения
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func NewConfigurationError(key, format string, args ...any) error {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// DataError некорректный или пустой набор точек
type DataError struct {
	Tag    Tag
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%v: term %s: %s", ErrData, e.Tag, e.Reason)
}

func (e *DataError) Unwrap() error {
	return ErrData
}

// NumericalInstabilityError NaN/Inf в потерях, градиентах или весах.
// Tag is empty when the non-finite value is an aggregate.
type NumericalInstabilityError struct {
	Iteration int
	Domain    Domain
	Tag       Tag
	Quantity  string
}

func (e *NumericalInstabilityError) Error() string {
	tag := string(e.Tag)
	if tag == "" {
		tag = "total"
	}
	return fmt.Sprintf("%v: non-finite %s at iteration %d (%s/%s)",
		ErrNumericalInstability, e.Quantity, e.Iteration, e.Domain, tag)
}

func (e *NumericalInstabilityError) Unwrap() error {
	return ErrNumericalInstability
}

type ConvergenceWarning struct {
	Iteration int
	Status    string
}

func (e *ConvergenceWarning) Error() string {
	return fmt.Sprintf("%v at iteration %d: %s", ErrConvergence, e.Iteration, e.Status)
}

func (e *ConvergenceWarning) Unwrap() error {
	return ErrConvergence
}

type MonitoringFailure struct {
	Iteration int
	Wrapped   error
}

func (e *MonitoringFailure) Error() string {
	return fmt.Sprintf("%v at iteration %d: %v", ErrMonitoring, e.Iteration, e.Wrapped)
}

func (e *MonitoringFailure) Unwrap() []error {
	return []error{ErrMonitoring, e.Wrapped}
}
