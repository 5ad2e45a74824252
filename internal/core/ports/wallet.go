package ports

// AddressDeriver derives receiving addresses from an extended public key.
type AddressDeriver interface {
	DerivationPath() string
	DeriveAddress(account, index uint32) (string, error)
}
