// Package errors holds the error kinds shared by the motor, vision and plasma packages.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrNoReply is returned when a controller does not answer within the transport timeout.
	ErrNoReply = stderrors.New("no reply")
	// ErrStopped is returned by long running operations cancelled through a StopIndicator.
	ErrStopped = stderrors.New("stop requested")
)

type TransportError struct {
	Op  string
	Err error
}

func (err TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", err.Op, err.Err)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// ReplyError reports a malformed or unexpected controller reply. A missing reply wraps ErrNoReply.
type ReplyError struct {
	Reason  string
	Command string
	Reply   []byte
	Err     error
}

func (err ReplyError) Error() string {
	if len(err.Reply) > 0 {
		return fmt.Sprintf("%s on command %q: reply %q", err.Reason, err.Command, err.Reply)
	}
	return fmt.Sprintf("%s on command %q", err.Reason, err.Command)
}

func (err ReplyError) Unwrap() error {
	return err.Err
}

// ControllerError is a negative acknowledgement (NAK) of a command.
type ControllerError struct {
	Command string
}

func (err ControllerError) Error() string {
	return fmt.Sprintf("controller rejected command %q", err.Command)
}

type MotorError struct {
	Motor  string
	Reason string
}

func (err MotorError) Error() string {
	if len(err.Motor) == 0 {
		err.Motor = "UNKNOWN"
	}
	return fmt.Sprintf("motor %s: %s", err.Motor, err.Reason)
}

type CalibrationError struct {
	Motor string
}

func (err CalibrationError) Error() string {
	return fmt.Sprintf("motor %s has no initiators and cannot be calibrated", err.Motor)
}

// RecognitionError means a feature was found an unexpected number of times on a frame.
type RecognitionError struct {
	Feature string
	Count   int
	Reason  string
}

func (err RecognitionError) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("%s recognition failed: %s", err.Feature, err.Reason)
	}
	return fmt.Sprintf("%s recognition failed: found %d", err.Feature, err.Count)
}

type NoJetError struct {
	Camera string
}

func (err NoJetError) Error() string {
	if err.Camera == "" {
		return "no jet found"
	}
	return fmt.Sprintf("no jet found on camera %s", err.Camera)
}

type NoPlasmaError struct {
	Camera string
}

func (err NoPlasmaError) Error() string {
	if err.Camera == "" {
		return "no plasma found"
	}
	return fmt.Sprintf("no plasma found on camera %s", err.Camera)
}

type FitError struct {
	Quantity string
	RelErr   float64
	Limit    float64
}

func (err FitError) Error() string {
	return fmt.Sprintf("fit of %s failed: relative error %.4g exceeds %.4g", err.Quantity, err.RelErr, err.Limit)
}

// ReadConfigError describes a problem in a motor input file. Line and Column are 1-based, 0 when unknown.
type ReadConfigError struct {
	Line   int
	Column string
	Reason string
}

func (err ReadConfigError) Error() string {
	switch {
	case err.Line > 0 && err.Column != "":
		return fmt.Sprintf("input file line %d, column %q: %s", err.Line, err.Column, err.Reason)
	case err.Line > 0:
		return fmt.Sprintf("input file line %d: %s", err.Line, err.Reason)
	default:
		return fmt.Sprintf("input file: %s", err.Reason)
	}
}

type EquipmentError struct {
	Reason string
}

func (err EquipmentError) Error() string {
	return fmt.Sprintf("equipment error: %s", err.Reason)
}

type CameraError struct {
	Camera string
	Reason string
}

func (err CameraError) Error() string {
	return fmt.Sprintf("camera %s: %s", err.Camera, err.Reason)
}
