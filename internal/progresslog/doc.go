// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package progresslog provides periodic logging for block and header processing.

Tests are included to ensure proper functionality.

# Feature Overview

  - Maintains cumulative totals of blocks and transactions between each
    logging interval
  - Maintains cumulative totals of headers between each logging interval
  - Logs all cumulative data every 10 seconds along with the size of the utxo
    cache and an estimate of the overall progress
  - Immediately logs any outstanding data when forced
*/
package progresslog
