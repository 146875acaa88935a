package sip

import "github.com/ghettovoice/siptx/internal/errorutil"

// TransitionTo asks the transaction loop to move the transaction to the state.
func (m *Manager) TransitionTo(key TransactionKey, state TransactionState) error {
	tx, ok := m.txs.Get(key)
	if !ok || !tx.post(cmdTransitionTo{state}) {
		return errorutil.NewWrapperError(ErrTransactionNotFound, key.String())
	}
	return nil
}

var ResponseTransition = responseTransition
