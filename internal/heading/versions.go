package heading

import (
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/transform"
)

func versionHelpers() transform.Helpers {
	return transform.Helpers{
		"versionOf": func(args ...any) (any, error) {
			if len(args) == 0 {
				return 0, nil
			}
			uid, _ := args[0].(string)
			return openehr.CompositionVersion(uid), nil
		},
	}
}
