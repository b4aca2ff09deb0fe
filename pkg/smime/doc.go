// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package smime builds CMS EnvelopedData structures for a single recipient.

The content is encrypted with AES-128 in CBC mode under a fresh random key and
IV, and the key is wrapped with the recipient's RSA public key (PKCS#1 v1.5).
The recipient is identified by the issuer and serial number of its
certificate. These parameters are fixed by the receiving gateway and cannot be
changed.

[Envelope] returns the structure as base64 text wrapped at 64 characters per
line with CRLF separators and no PEM delimiter lines, ready to be placed after
the MIME headers of an application/pkcs7-mime part:

	body, err := smime.Envelope(payload, cert)

[EnvelopeDER] returns the raw DER ContentInfo instead.

Every call generates new key material, so enveloping the same payload twice
yields different output. Both functions are safe for concurrent use.
*/
package smime
