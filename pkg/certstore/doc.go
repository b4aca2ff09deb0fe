// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package certstore caches organisation certificates in three tiers.

A lookup goes, in order and stopping at the first hit:

 1. the in-memory map, keyed by the full organisation code;
 2. the persistent [Backend] ({fullCode}.pem files by default);
 3. the directory [directory.Fetcher], whose answer is converted to PEM,
    written to the backend and then inserted in memory.

Concurrent lookups for the same organisation that miss the memory tier share
a single backend read and at most one directory query. Entries are never
evicted and never overwritten: once a certificate is known it is trusted for
the lifetime of the process and of the persistent volume.

# Lifecycle

A [Store] is created once at process start, preloaded with [Store.Preload]
and handed to the message composer:

	store, err := certstore.New(certstore.Config{
	    Backend:    certstore.NewFileBackend("/app/certificates"),
	    BundledDir: "./certificates",
	    Fetcher:    directory.NewLDAPClient(directory.Config{}),
	})
	loaded := store.Preload(ctx)
	cert, err := store.Get(ctx, "511")

Preloading reads every {digits}.pem file of the bundled read-only directory
and of the backend, then copies bundled certificates that the backend does
not have yet. Files that cannot be read are logged and skipped.

# Errors

A failed directory lookup is reported as an [*UnavailableError] carrying the
full code and the directory error; errors.Is(err, ErrCertificateUnavailable)
holds for it. Backend read and write failures are logged and do not fail a
lookup that the directory can still satisfy.
*/
package certstore
