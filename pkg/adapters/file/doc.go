// Package file persists configs and session records on the local filesystem.
// Writes go through a temp file and a rename.
package file
