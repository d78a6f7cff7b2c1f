package mq

// Deferred is the asynchronous outcome of one channel operation.
//
// Callbacks run on the reactor and are delivered at most once. When the
// connection closes before the operation completes, nothing is delivered.
// Registering on an already settled Deferred invokes the callback at once.
type Deferred struct {
	settled  bool
	err      error
	success  []func()
	failure  []func(error)
	finalize []func()
}

func newDeferred() *Deferred {
	return &Deferred{}
}

// OnSuccess registers fn for a successful outcome.
func (d *Deferred) OnSuccess(fn func()) *Deferred {
	if d.settled {
		if d.err == nil {
			fn()
		}
		return d
	}
	d.success = append(d.success, fn)
	return d
}

// OnError registers fn for a failed outcome.
func (d *Deferred) OnError(fn func(error)) *Deferred {
	if d.settled {
		if d.err != nil {
			fn(d.err)
		}
		return d
	}
	d.failure = append(d.failure, fn)
	return d
}

// OnFinalize registers fn to run after either outcome.
func (d *Deferred) OnFinalize(fn func()) *Deferred {
	if d.settled {
		fn()
		return d
	}
	d.finalize = append(d.finalize, fn)
	return d
}

func (d *Deferred) settle(err error) {
	if d.settled {
		return
	}
	d.settled = true
	d.err = err

	if err == nil {
		for _, fn := range d.success {
			fn()
		}
	} else {
		for _, fn := range d.failure {
			fn(err)
		}
	}
	for _, fn := range d.finalize {
		fn()
	}
	d.success, d.failure, d.finalize = nil, nil, nil
}
