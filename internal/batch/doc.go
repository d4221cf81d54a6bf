// Package batch discovers motion photos under the library root, enqueues
// them for conversion, and archives sources whose conversions completed.
package batch
