// Package testutil provides testing utilities for the veritas project.
package testutil
