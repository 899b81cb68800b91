// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the JSON shapes shared between the mailroom
// core, the daemon, and external consumers (CLIs, proxies) that read
// team directories directly.
//
// Every document-backed type preserves fields it does not recognize:
// a read-modify-write cycle through this package never drops data
// written by a newer version. Unknown fields round-trip verbatim in
// the Unknown map.
package schema
