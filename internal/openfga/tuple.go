// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package openfga

import "github.com/openfga/go-sdk/client"

type Tuple struct {
	User     string
	Relation string
	Object   string
}

func (t Tuple) key() client.ClientContextualTupleKey {
	return client.ClientContextualTupleKey{
		User:     t.User,
		Relation: t.Relation,
		Object:   t.Object,
	}
}

func NewTuple(user, relation, object string) *Tuple {
	return &Tuple{User: user, Relation: relation, Object: object}
}
