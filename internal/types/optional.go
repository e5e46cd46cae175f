package types

// Optional distinguishes "no answer" from a zero value.
type Optional[T any] struct {
	val T
	set bool
}

func Some[T any](val T) Optional[T] {
	return Optional[T]{val: val, set: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) Get() (T, bool) {
	return o.val, o.set
}

func (o Optional[T]) IsPresent() bool {
	return o.set
}

// OrElse returns the wrapped value or fallback when absent.
func (o Optional[T]) OrElse(fallback T) T {
	if !o.set {
		return fallback
	}
	return o.val
}
