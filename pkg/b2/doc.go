// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package b2 composes encrypted IRIS/B2 interchange messages.

A [Composer] resolves the recipient organisation's certificate, envelopes the
content with package smime and wraps the result in the header sequence the
SESAM-Vitale gateway expects. The header lines, their order, the repeated
Content-Transfer-Encoding line and the two-line Content-Type declaration are
reproduced byte for byte; every line ends with CRLF.

Two shapes are produced:

  - [Composer.Direct] envelopes an arbitrary body behind four S/MIME headers.
  - [Composer.Compose] builds an Application/EDI-consent attachment from a
    base64 file, envelopes the whole attachment and emits the full message
    headers (From, Subject, X-SV_CHIFFREMENT, Message-ID, Date, To, ...).

Compose checks that every required field is present before any certificate
lookup takes place and reports the first missing one as a
[*MissingParameterError].
*/
package b2
