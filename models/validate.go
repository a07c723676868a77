package models

import (
	"net/netip"
	"reflect"
	"sync"

	validator "github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// netip values validate through their text form so the string tags apply
func netipAsString(field reflect.Value) interface{} {
	switch v := field.Interface().(type) {
	case netip.AddrPort:
		if v.IsValid() {
			return v.String()
		}
	case netip.Addr:
		if v.IsValid() {
			return v.String()
		}
	}
	return ""
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterCustomTypeFunc(netipAsString, netip.AddrPort{}, netip.Addr{})
		_ = validate.RegisterValidation("addrport", func(fl validator.FieldLevel) bool {
			ap, err := netip.ParseAddrPort(fl.Field().String())
			return err == nil && ap.Port() != 0
		})
	})
	return validate
}

// Validate - checks a descriptor before it is used for an attempt
func (p *PeerDescriptor) Validate() error {
	return getValidator().Struct(p)
}

// Validate - checks both descriptors and the attempt fields
func (r *ConnectionRequest) Validate() error {
	return getValidator().Struct(r)
}

// Validate - checks a forward rule
func (f *ForwardRule) Validate() error {
	return getValidator().Struct(f)
}

// Validate - checks a route entry
func (r *RouteEntry) Validate() error {
	return getValidator().Struct(r)
}
