package logging

// Production code in this module routes through Logger/Entry (this
// package) and the zerolog adapter in logging/zlog — never through
// logiface. logiface and its zerolog binding
// (github.com/joeycumines/izerolog) are test-only dependencies, exercised
// by logging/zlog's own tests as an independent fixture for checking that
// its field wiring agrees with the ecosystem's own zerolog integration.
