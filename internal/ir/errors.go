package ir

import "github.com/krystophny/liric/internal/liricerr"

func errAggregateRelocRange(offset, size int) error {
	return liricerr.New(liricerr.Argument,
		"constant relocation offset %d out of range for aggregate of size %d", offset, size)
}

func errTypeMismatch(op string, want, got *Type) error {
	return liricerr.New(liricerr.Argument, "%s: type mismatch: want %s, got %s", op, want, got)
}

func errUnknownBlock(fn string, id int) error {
	return liricerr.New(liricerr.NotFound, "function %q: no block with id %d", fn, id)
}

func errUnterminatedBlock(fn string, id int) error {
	return liricerr.New(liricerr.Argument, "function %q: block %d has no terminator", fn, id)
}

func errTermNotLast(fn string, id int) error {
	return liricerr.New(liricerr.Argument, "function %q: block %d has instructions after its terminator", fn, id)
}

func errVRegRedefined(fn string, reg int) error {
	return liricerr.New(liricerr.Argument, "function %q: vreg %%%d is defined more than once", fn, reg)
}

func errVRegUseNotDominated(fn string, reg int) error {
	return liricerr.New(liricerr.Argument, "function %q: use of vreg %%%d is not dominated by its definition", fn, reg)
}
