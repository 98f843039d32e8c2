// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import "errors"

// ErrInvalidSessionUsage is returned by Checkout when a ClientSession is already checked out by a
// concurrent operation: a ClientSession is not safe for concurrent use.
var ErrInvalidSessionUsage = errors.New("session: ClientSession used concurrently by two operations")

// ErrTransactionInProgress is returned by StartTransaction when called while already in Starting
// or InProgress.
var ErrTransactionInProgress = errors.New("session: transaction already in progress")

// ErrNoTransactionToCommit is returned by CommitTransaction when there is no transaction to commit.
var ErrNoTransactionToCommit = errors.New("session: no transaction started")

// ErrNoTransactionToAbort is returned by AbortTransaction when there is no transaction to abort.
var ErrNoTransactionToAbort = errors.New("session: no transaction started")

// ErrCannotAbortCommitted is returned by AbortTransaction when the transaction has already
// committed.
var ErrCannotAbortCommitted = errors.New("session: cannot abort a committed transaction")
