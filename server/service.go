package server

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/juju/errors"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is a receiver whose exported methods of the form
//
//	func (t *T) Method(args *Args, reply *Reply) error
//
// are served as "T.Method".
type service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*methodType
}

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.NotValidf("receiver %T: not a pointer", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %T: not a pointer to a struct", rcvr)
	}
	svc := &service{
		name:    typ.Elem().Name(),
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.methods) == 0 {
		return nil, errors.NotValidf("receiver %s: no methods of the form func(*Args, *Reply) error", svc.name)
	}
	return svc, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods keeps the exported methods taking (receiver, *Args, *Reply) and
// returning error.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.methods[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

func (s *service) call(mt *methodType, argv, replyv reflect.Value) error {
	results := mt.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if err := results[0].Interface(); err != nil {
		return err.(error)
	}
	return nil
}

// handler binds one method to the Handler signature.
func (s *service) handler(mt *methodType) Handler {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		argv := reflect.New(mt.ArgType)
		if err := json.Unmarshal(params, argv.Interface()); err != nil {
			return nil, errors.Trace(err)
		}
		replyv := reflect.New(mt.ReplyType)
		if err := s.call(mt, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}
