/*
Package mock provides mock implementations of the interfaces in the cardea
package. These make it possible to introspect on inputs to the components and
control their outputs, and they provide semantically faithful in-memory
default implementations where possible: the mock broker really signs with a
generated ECDSA key, the mock surrogate map really enforces the identifier
bijection, and the mock index really answers similarity searches over its
stored points.
*/
package mock
