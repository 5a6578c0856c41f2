//go:build linux

package hook

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libraryPaths are tried in order when resolving the real audio library.
var libraryPaths = []string{"libasound.so.2", "libasound.so"}

// resolvedSymbols maps entry-point names to the typed slots they are
// registered into. The table is built per Library so the function values
// land in that instance's Funcs.
func (l *Library) resolvedSymbols() map[string]any {
	return map[string]any{
		"snd_pcm_open":                   &l.funcs.PCMOpen,
		"snd_pcm_close":                  &l.funcs.PCMClose,
		"snd_pcm_pause":                  &l.funcs.PCMPause,
		"snd_pcm_set_params":             &l.funcs.PCMSetParams,
		"snd_pcm_hw_params":              &l.funcs.PCMHwParams,
		"snd_pcm_writei":                 &l.funcs.PCMWriteI,
		"snd_pcm_writen":                 &l.funcs.PCMWriteN,
		"snd_pcm_mmap_begin":             &l.funcs.PCMMmapBegin,
		"snd_pcm_mmap_commit":            &l.funcs.PCMMmapCommit,
		"snd_pcm_hw_params_get_format":   &l.funcs.HwGetFormat,
		"snd_pcm_hw_params_get_access":   &l.funcs.HwGetAccess,
		"snd_pcm_hw_params_get_rate":     &l.funcs.HwGetRate,
		"snd_pcm_hw_params_get_channels": &l.funcs.HwGetChannels,
	}
}

// resolve binds every real entry point through the raw dynamic loader,
// bypassing any interception already installed for those symbols. A symbol
// that cannot be resolved leaves the hook unable to forward host calls, so
// failure terminates the process.
func (l *Library) resolve() {
	l.resolveOnce.Do(func() {
		var lastErr error
		for _, path := range libraryPaths {
			handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				lastErr = err
				continue
			}
			l.handle = handle
			lastErr = nil
			break
		}
		if lastErr != nil {
			l.log.Error("cannot load real audio library", "error", lastErr)
			os.Exit(1)
		}

		l.realAddrs = make(map[string]uintptr)
		for name, slot := range l.resolvedSymbols() {
			addr, err := purego.Dlsym(l.handle, name)
			if err != nil {
				l.log.Error("cannot resolve real entry point", "symbol", name, "error", err)
				os.Exit(1)
			}
			l.realAddrs[name] = addr
			purego.RegisterFunc(slot, addr)
		}

		resolverAddrs["dlsym"] = purego.NewCallback(rawDlsym)
	})
}

// rawDlsym is the lookup published to patched library copies in place of
// the loader's dlsym, so their runtime lookups resolve the same way the
// hook's own did. A failed lookup returns the null address.
func rawDlsym(handle uintptr, name *byte) uintptr {
	addr, err := purego.Dlsym(handle, cString(name))
	if err != nil {
		return 0
	}
	return addr
}

// Overrides returns the symbol table to publish over the host's calls into
// the audio library: each intercepted entry point's name bound to a native
// trampoline into the hook.
func (l *Library) Overrides() map[string]uintptr {
	l.ensureReady()
	return map[string]uintptr{
		"snd_pcm_open": purego.NewCallback(func(pcmp *uintptr, name *byte, stream, mode int32) int32 {
			return l.PCMOpen(pcmp, cString(name), stream, mode)
		}),
		"snd_pcm_hw_params": purego.NewCallback(func(pcm, params uintptr) int32 {
			return l.PCMHwParams(pcm, params)
		}),
		"snd_pcm_writei": purego.NewCallback(func(pcm uintptr, buf unsafe.Pointer, frames uint64) int64 {
			return l.PCMWriteInterleaved(pcm, buf, frames)
		}),
		"snd_pcm_writen": purego.NewCallback(func(pcm uintptr, bufs unsafe.Pointer, frames uint64) int64 {
			return l.PCMWriteNonInterleaved(pcm, bufs, frames)
		}),
		"snd_pcm_mmap_begin": purego.NewCallback(func(pcm uintptr, areas *uintptr, offset, frames *uint64) int32 {
			return l.PCMMmapBegin(pcm, areas, offset, frames)
		}),
		"snd_pcm_mmap_commit": purego.NewCallback(func(pcm uintptr, offset, frames uint64) int64 {
			return l.PCMMmapCommit(pcm, offset, frames)
		}),
	}
}

// InstallOverrides rebinds loaded objects matching pattern, typically the
// host executable, so their calls into the audio library land on the hook.
func (l *Library) InstallOverrides(pattern string) error {
	if l.rebinder == nil {
		return nil
	}
	if err := l.rebinder.Rebind(pattern, l.Overrides()); err != nil {
		return fmt.Errorf("hook: install overrides for %q: %w", pattern, err)
	}
	return nil
}

// cString reads a NUL-terminated string.
func cString(p *byte) string {
	if p == nil {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}
