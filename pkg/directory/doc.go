// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package directory retrieves organisation encryption certificates from the
SESAM-Vitale LDAP directory.

Every payer organisation publishes its encryption certificate under an
email-shaped common name derived from its organisation code:

	{fullCode}@{shortCode}.{regime}.rss.fr

The directory is searched below ou=AC-SESAM-VITALE-2034,o=sesam-vitale,c=fr
with a subtree scope, requesting the userCertificate;binary attribute which
carries the DER encoded certificate.

# Usage

	client := directory.NewLDAPClient(directory.Config{})
	der, err := client.FetchCertificate(ctx, organisme.Normalize("511"))
	switch {
	case errors.Is(err, directory.ErrCertificateNotFound):
	    // directory reachable, no entry for this organisation
	case errors.Is(err, directory.ErrTimeout):
	    // directory did not answer in time
	case errors.Is(err, directory.ErrDirectoryUnavailable):
	    // DNS, connection or protocol failure
	}

# Transports

[Fetcher] is the only contract the certificate store depends on. The package
ships the [LDAPClient] implementation; any other transport (a subprocess
wrapper around ldapsearch, a test double) can satisfy the same interface.

When [Config.DNSServer] is set the directory host name is resolved through
that server with [DNSResolver] before the LDAP connection is opened, which is
useful on platforms whose default resolver cannot see the directory host.
*/
package directory
