// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package b2smime encrypts SESAM-Vitale B2 interchange messages for French
health insurance organisations.

# Overview

A healthcare professional sends its invoicing batches (B2 files) by mail to
the insurance organisation that covers each patient. Every message must be
encrypted as S/MIME enveloped data for that organisation's certificate, which
is published in the SESAM-Vitale LDAP directory. This module obtains and
caches those certificates, builds the CMS envelope and assembles the exact
message layout the organisations accept.

# Package Structure

The module is organized into the following packages:

	github.com/Aikoze/b2-smime-service/pkg/organisme  - Organisation code normalization
	github.com/Aikoze/b2-smime-service/pkg/certificate - DER/PEM conversion and metadata
	github.com/Aikoze/b2-smime-service/pkg/directory  - SESAM-Vitale LDAP directory client
	github.com/Aikoze/b2-smime-service/pkg/certstore  - Three-tier certificate cache
	github.com/Aikoze/b2-smime-service/pkg/smime      - CMS EnvelopedData (AES-128-CBC, RSA key transport)
	github.com/Aikoze/b2-smime-service/pkg/b2         - Interchange message composition
	github.com/Aikoze/b2-smime-service/pkg/compostage - Batch compostage dates

The service itself lives in cmd/b2smime, with its HTTP front end, configuration,
logging, metrics and the MongoDB and Redis backends under internal/.

# Quick Start

To encrypt a B2 file for CPAM 511:

	import (
	    "github.com/Aikoze/b2-smime-service/pkg/b2"
	    "github.com/Aikoze/b2-smime-service/pkg/certstore"
	    "github.com/Aikoze/b2-smime-service/pkg/directory"
	)

	store, _ := certstore.New(certstore.Config{
	    Backend: certstore.NewFileBackend("/app/certificates"),
	    Fetcher: directory.NewLDAPClient(directory.Config{}),
	})
	store.Preload(ctx)

	composer := b2.NewComposer(store)
	msg, err := composer.Compose(ctx, b2.Request{
	    From:        "facturation@cabinet.example",
	    To:          "01511@511.01.rss.fr",
	    Subject:     "IRIS/B2/Z",
	    FileContent: base64Batch,
	    FileName:    "B2_0001.dat",
	    Organisme:   "511",
	})

# Cryptography

  - Content encryption: AES-128-CBC with a fresh key and IV per message
  - Key transport: RSA PKCS#1 v1.5 to the organisation certificate
  - Recipient identification: issuer and serial number

The output is base64 DER wrapped at 64 characters with CRLF line breaks, and
carries no PEM delimiters.

# References

  - SESAM-Vitale: https://www.sesam-vitale.fr/
  - RFC 5652 Cryptographic Message Syntax: https://www.rfc-editor.org/rfc/rfc5652
  - RFC 8551 S/MIME 4.0: https://www.rfc-editor.org/rfc/rfc8551

# License

BSD-2-Clause License
*/
package b2smime
