// Package preflight provides readiness checks for the external tools and
// filesystem paths the conversion pipeline depends on.
//
// These checks run in two contexts:
//   - The batch runner calls RunAll before starting workers, so a missing
//     binary or unwritable directory fails fast instead of failing every
//     queue item.
//   - The CLI "motionstill status" command uses the individual check
//     functions to display environment health.
package preflight
