// Package families blank-imports every metadata family driver so their
// init() functions register with mdsuper. Anything that needs the full
// probing set (rather than one statically-known family) imports this
// package instead of an individual driver.
package families

import (
	_ "github.com/mdraid/mdctl/internal/mdsuper/ddf"
	_ "github.com/mdraid/mdctl/internal/mdsuper/imsm"
	_ "github.com/mdraid/mdctl/internal/mdsuper/v090"
	_ "github.com/mdraid/mdctl/internal/mdsuper/v1x"
)
