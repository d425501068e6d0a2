// Package checkpoint persists named campaign entities inside a working
// directory. Simple values use indented JSON; collaborator objects and
// datasets use a versioned blob (magic, JSON header, gzip-compressed gob)
// whose CRC and type are verified on load. Every write goes through a temp
// file and rename, and an optional Syncer mirrors the directory after each
// save without ever failing it.
package checkpoint
