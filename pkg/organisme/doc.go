// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package organisme normalizes the codes that identify healthcare payer
organisations on the SESAM-Vitale network.

An organisation code is a string of digits. Short codes (three digits, such as
"511") belong to the general scheme and are implicitly prefixed with regime
"01". Longer codes already carry their two digit regime prefix ("01511",
"91123").

	id := organisme.Normalize("511")
	id.Regime()    // "01"
	id.ShortCode() // "511"
	id.FullCode()  // "01511"
	id.LookupKey("rss.fr") // "01511@511.01.rss.fr"

The [Identifier] is an immutable value and is the only key used by the
certificate store, so raw caller input and normalized codes cannot be mixed up.
*/
package organisme
