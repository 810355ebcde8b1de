// Package errors clasifica los fallos del motor de disección por categoría.
//
// El motor nunca propaga errores de un paquete malformado al llamador: las
// categorías sirven para decidir el nivel de log y la métrica a incrementar.
package errors

import (
	"errors"
	"fmt"
)

// Kind es la categoría de un error.
type Kind int

const (
	KindUnknown Kind = iota
	// Una capa no contiene los campos esperados.
	KindMalformed
	// Tabla llena: la clave nueva se descarta.
	KindCapacity
	// Valor fuera de rango (VLAN 0/4095...), se trata como ausente.
	KindInvalidValue
	// Decodificador opcional no disponible.
	KindUnavailable
	KindValidation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindCapacity:
		return "capacity"
	case KindInvalidValue:
		return "invalid_value"
	case KindUnavailable:
		return "unavailable"
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error lleva la categoría, el mensaje y atributos opcionales (capa, offset...).
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap devuelve nil si err es nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr añade un atributo. Un error ajeno se envuelve como KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind devuelve KindUnknown para errores que no son de este paquete.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes recorre la cadena; el atributo más externo gana.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		err = e.Underlying
	}
	return attrs
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
