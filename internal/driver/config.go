package driver

import (
	"fmt"

	"github.com/forgebuild/forge/internal/db"
	"github.com/forgebuild/forge/internal/logx"
)

// RunConfigCommand implements the --config-dump/--config-query/
// --config-remove surface from spec.md §6, generalized onto the call
// table's natural (function-name, bound-args) two-level key: "k1 k2"
// addresses the call recorded as bound key "k2" under function "k1".
func RunConfigCommand(backend db.Backend, opts *Options, log *logx.Logger) int {
	if len(opts.ConfigRemove) > 0 {
		if err := removeConfigKeys(backend, opts.ConfigRemove); err != nil {
			log.Error("%v", err)
			return 1
		}
	}

	if len(opts.ConfigQuery) > 0 {
		if err := queryConfigKeys(backend, opts.ConfigQuery); err != nil {
			log.Error("%v", err)
			return 1
		}
		return 0
	}

	if opts.ConfigDump {
		if err := dumpConfig(backend); err != nil {
			log.Error("%v", err)
			return 1
		}
	}

	return 0
}

func dumpConfig(backend db.Backend) error {
	dump, err := backend.DumpCalls()
	if err != nil {
		return err
	}
	for funcName, calls := range dump {
		for bound, result := range calls {
			fmt.Printf("%s %s = %q\n", funcName, bound, result)
		}
	}
	return nil
}

// queryConfigKeys prints the recorded result for each "func key" pair
// in keys, in order, skipping pairs with no recorded call.
func queryConfigKeys(backend db.Backend, keys []string) error {
	for i := 0; i+1 < len(keys); i += 2 {
		funcName, bound := keys[i], keys[i+1]
		_, result, found, err := backend.FindCall(funcName, bound)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		fmt.Printf("%s %s = %q\n", funcName, bound, result)
	}
	return nil
}

// removeConfigKeys deletes one call per "func key" pair in keys,
// leaving every sibling call (and every other function) untouched, per
// scenario S6 in spec.md §8.
func removeConfigKeys(backend db.Backend, keys []string) error {
	for i := 0; i+1 < len(keys); i += 2 {
		funcName, bound := keys[i], keys[i+1]
		if err := backend.DeleteCall(funcName, bound); err != nil {
			return err
		}
	}
	return nil
}
