//go:build llama

package manager

// cgo link directives for the in-process llama adapter.
// - $ORIGIN rpath lets the runtime loader find libllama.so next to the
//   built binary (./bin).
// - -L${SRCDIR}/../../bin lets the linker find libllama.so when building
//   the 'llama' variant. No environment variables are required.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
