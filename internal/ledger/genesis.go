package ledger

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// MaxAmount is the full supply, assigned to the genesis account.
var MaxAmount = Amount{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// DevGenesisAccount is the deterministic genesis account of the dev network.
var DevGenesisAccount = Account(blake3.Sum256([]byte("strata dev genesis account")))

// DevGenesisBlock returns the open block of the dev genesis account. The
// genesis account is its own representative and the block's source is the
// account itself, by convention.
func DevGenesisBlock() *OpenBlock {
	return &OpenBlock{
		Source:         DevGenesisAccount.Hash(),
		Representative: DevGenesisAccount,
		Owner:          DevGenesisAccount,
	}
}

// AddGenesis seeds a fresh store with the genesis open block, assigning the
// full supply to its owner and the owner's representative.
func (s *Store) AddGenesis(genesis *OpenBlock) error {
	info, err := s.AccountInfo(genesis.Owner)
	if err != nil {
		return err
	}
	if info != nil {
		return fmt.Errorf("genesis account %s already present", genesis.Owner)
	}

	hash := genesis.Hash()
	if err := s.PutBlock(genesis, genesis.Owner); err != nil {
		return err
	}

	if err := s.SetAccountInfo(genesis.Owner, AccountInfo{
		Head:           hash,
		Open:           hash,
		Representative: genesis.Representative,
		Balance:        MaxAmount,
		BlockCount:     1,
	}); err != nil {
		return err
	}

	return s.SetWeight(genesis.Representative, MaxAmount)
}
