/*
Package accountkeeper defines a storage-agnostic contract for user-account
management: account CRUD, credential-based authentication with expiring
sessions, and single-use time-limited token flows for password reset and
account activation.

The package itself holds no state. It defines the entity types (User,
Password, ids and tokens), the Backend interface every storage implementation
must satisfy, and the closed set of error kinds those implementations return.
Concrete backends live in the subpackages memory, postgres, sqlite and redis;
the storetest subpackage is a behavioral conformance suite that any backend,
including third-party ones, should pass.

A typical flow:

	be, err := sqlite.Open[Profile]("file:accounts.db", sqlite.Options{})
	...
	id, err := be.CreateUser(ctx, accountkeeper.User[Profile]{
		Name:     "foo",
		Email:    "bar@baz.com",
		Password: accountkeeper.PlainText("1234"),
		More:     Profile{FullName: "Foo Bar"},
	})
	sid, err := be.AuthUser(ctx, "foo", "1234", 30*time.Minute)

Passwords are one-way hashed by the backend before storage and are never
returned by read operations: every User coming out of a backend carries the
Hidden password sentinel.
*/
package accountkeeper
